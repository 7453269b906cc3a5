package store_test

import (
	"testing"

	"command-relay/internal/store"
	"command-relay/internal/store/storetest"
)

func TestMemoryRepository(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Repo {
		return store.NewMemory()
	})
}
