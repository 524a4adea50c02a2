package paralyze

import "github.com/StratusCode/paralyze/id"

// ID is the primary identifier type for all paralyze entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
