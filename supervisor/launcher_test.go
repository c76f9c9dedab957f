package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerArgs(t *testing.T) {
	spec := LaunchSpec{
		Command:                  []string{"/controld"},
		Address:                  "127.0.0.1",
		Port:                     0,
		ExpectedStartupOutput:    "server has started",
		TestEndpoint:             "/__test__",
		ExpectedTestOutput:       "ok",
		AddServiceEndpoint:       "/__add_service__",
		ExpectedAddServiceOutput: "added endpoint",
	}

	// The launcher may substitute its own listen address, as the Docker
	// launcher does with the container-internal one.
	args := spec.serverArgs("0.0.0.0", 9700)
	assert.Equal(t, []string{
		"--address", "0.0.0.0",
		"--port", "9700",
		"--expected-startup-output", "server has started",
		"--test-endpoint", "/__test__",
		"--expected-test-output", "ok",
		"--add-service-endpoint", "/__add_service__",
		"--expected-add-service-output", "added endpoint",
	}, args)

	args = spec.serverArgs(spec.Address, spec.Port)
	assert.Equal(t, []string{"--address", "127.0.0.1", "--port", "0"}, args[:4])
}
