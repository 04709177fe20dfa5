package middleware

import "github.com/aretw0/lattice/pkg/ports"

// Middleware allows wrapping a LinkStore to add behavior.
type Middleware func(ports.LinkStore) ports.LinkStore
