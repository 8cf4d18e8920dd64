// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"

	"github.com/alfredjeanlab/plangraph/internal/model"
)

// DefaultPrefix is prepended to node IDs whose type has no prefix of its own.
var DefaultPrefix = "pg-"

// EdgePrefix is prepended to every generated edge ID.
var EdgePrefix = "e-"

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 10

var typePrefixes = map[model.NodeType]string{
	model.TypeFeature:    "ft-",
	model.TypeTeam:       "tm-",
	model.TypeTeamMember: "mb-",
	model.TypeProvider:   "pv-",
	model.TypeMilestone:  "ms-",
	model.TypeOption:     "op-",
}

// Generate returns a new unique ID using the default prefix.
func Generate() (string, error) {
	return GenerateWithPrefix(DefaultPrefix)
}

// NodeID returns a new ID for a node of type t.
func NodeID(t model.NodeType) (string, error) {
	if p, ok := typePrefixes[t]; ok {
		return GenerateWithPrefix(p)
	}
	return Generate()
}

// EdgeID returns a new edge ID.
func EdgeID() (string, error) {
	return GenerateWithPrefix(EdgePrefix)
}

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
