// Package idgen provides pluggable ID generation for boards, boxes, people and
// replicating clients.
//
// Constructors that mint identifiers (board.Seed, replica.New,
// localstore.ClientID) accept a Generator, so tests can swap in a
// deterministic sequence.
package idgen

import (
	"crypto/rand"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Short and URL-safe; used for record IDs inside a snapshot.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequential returns a Generator yielding prefix1, prefix2, ... Safe for
// concurrent use. Intended for tests and reproducible seeds.
func Sequential(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// Record is the default generator for snapshot record IDs.
var Record Generator = NanoID(16)

// Client is the default generator for replicating client identities.
var Client Generator = Prefixed("cl_", UUIDv7())

// New produces a record ID using the Record generator.
func New() string {
	return Record()
}
