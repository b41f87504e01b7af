package agent

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestRegistryWithNoAgent(t *testing.T) {
	called := 0
	r := NewRegistry(func() *Agent {
		called++
		return nil
	}, zerolog.Nop())

	if _, ok := r.Active(); ok {
		t.Fatal("fresh registry must have no active agent")
	}
	if r.Stop(false) {
		t.Fatal("stop with no agent must report false")
	}
	if called != 0 {
		t.Fatal("the factory must only run on Start")
	}
}
