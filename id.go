package pace

import "github.com/emergent-company/pace/id"

// ID is the primary identifier type for all Pace entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
