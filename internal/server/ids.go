package server

import "github.com/google/uuid"

// Request and socket ids live in separate maps; the prefix keeps them
// visually distinct in logs.
func newRequestID() string { return uuid.NewString() }

func newSocketID() string { return "ws-" + uuid.NewString() }
