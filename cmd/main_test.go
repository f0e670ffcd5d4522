// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"testing"

	"github.com/absmach/fluxmesh/endpoint"
)

func TestTokenAuthenticator(t *testing.T) {
	auth := tokenAuthenticator([]string{"alpha", "beta"})

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "first token", token: "alpha"},
		{name: "second token", token: "beta"},
		{name: "unknown token", token: "gamma", wantErr: true},
		{name: "empty token", token: "", wantErr: true},
		{name: "prefix of token", token: "alp", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth("agent-1", tt.token)
			if tt.wantErr {
				if !errors.Is(err, endpoint.ErrUnauthorized) {
					t.Fatalf("expected ErrUnauthorized, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
