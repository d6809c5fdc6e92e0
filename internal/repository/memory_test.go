package repository_test

import (
	"testing"

	"flowdeck/internal/repository"
	"flowdeck/internal/repository/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repository.Store {
		return repository.NewMemoryStore()
	})
}
