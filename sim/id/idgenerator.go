// Package id generates identifiers for allocations and traced tasks.
package id

import (
	"log"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

var (
	generatorMutex        sync.Mutex
	generatorInstantiated bool
	generator             Generator
)

// Generator can generate IDs.
type Generator interface {
	// Generate an ID
	Generate() string
}

// UseSequentialGenerator configures the package to generate sequential IDs.
// Tests use it to get deterministic tokens.
func UseSequentialGenerator() {
	generatorMutex.Lock()
	defer generatorMutex.Unlock()

	if generatorInstantiated {
		log.Panic("cannot change id generator type after using it")
	}

	generator = &sequentialGenerator{}
	generatorInstantiated = true
}

// Get returns the process-wide ID generator. Unless a sequential generator
// was requested first, IDs are globally unique xids.
func Get() Generator {
	generatorMutex.Lock()
	defer generatorMutex.Unlock()

	if !generatorInstantiated {
		generator = xidGenerator{}
		generatorInstantiated = true
	}

	return generator
}

// NewSequential returns a private sequential generator.
func NewSequential() Generator {
	return &sequentialGenerator{}
}

type sequentialGenerator struct {
	nextID uint64
}

func (g *sequentialGenerator) Generate() string {
	idNumber := atomic.AddUint64(&g.nextID, 1)
	return strconv.FormatUint(idNumber, 10)
}

type xidGenerator struct{}

func (xidGenerator) Generate() string {
	return xid.New().String()
}
