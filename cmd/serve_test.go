package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePort(t *testing.T) {
	tests := []struct {
		name       string
		flagPort   int
		configPort int
		want       int
	}{
		{"flag wins", 9090, 8080, 9090},
		{"config when flag unset", 0, 8080, 8080},
		{"negative flag ignored", -1, 8080, 8080},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolvePort(tt.flagPort, tt.configPort))
		})
	}
}
