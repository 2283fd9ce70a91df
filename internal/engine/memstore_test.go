package engine_test

import (
	"testing"

	"github.com/lazypower/valence/internal/engine"
	"github.com/lazypower/valence/internal/engine/enginetest"
)

func TestMemStore(t *testing.T) {
	enginetest.RunStoreSuite(t, func(*testing.T) engine.Store { return engine.NewMemStore() })
}
