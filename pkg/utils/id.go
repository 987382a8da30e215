package utils

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// GenConnID returns a sortable unique id for a client connection.
func GenConnID() string {
	return "conn_" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// GenNodeID returns a random id identifying one relay process. Node ids
// only need to be unique across the fleet for the process lifetime.
func GenNodeID() string {
	return "node_" + uuid.NewString()
}
