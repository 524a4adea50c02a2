package paralyze_test

import (
	"context"
	"errors"
	"testing"

	"github.com/StratusCode/paralyze"
)

// stubStore implements paralyze.Storer with controllable outcomes.
type stubStore struct {
	migrateErr error
	closed     bool
}

func (s *stubStore) Migrate(context.Context) error { return s.migrateErr }
func (s *stubStore) Ping(context.Context) error    { return nil }
func (s *stubStore) Close() error                  { s.closed = true; return nil }

func TestCoordinatorStartRequiresStore(t *testing.T) {
	c, err := paralyze.New()
	if err != nil {
		t.Fatalf("unexpected coordinator error: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, paralyze.ErrNoStore) {
		t.Fatalf("start without store error = %v, want ErrNoStore", err)
	}
}

func TestCoordinatorStartMigrationFailure(t *testing.T) {
	cause := errors.New("relation already exists")
	c, err := paralyze.New(paralyze.WithStore(&stubStore{migrateErr: cause}))
	if err != nil {
		t.Fatalf("unexpected coordinator error: %v", err)
	}

	err = c.Start(context.Background())
	if !errors.Is(err, paralyze.ErrMigrationFailed) {
		t.Fatalf("start error = %v, want ErrMigrationFailed", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("start error %v does not carry the migration cause", err)
	}
}

func TestCoordinatorStopClosesStore(t *testing.T) {
	s := &stubStore{}
	c, err := paralyze.New(paralyze.WithStore(s))
	if err != nil {
		t.Fatalf("unexpected coordinator error: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if !s.closed {
		t.Error("Stop did not close the store")
	}
}
