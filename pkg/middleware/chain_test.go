// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagging(tag string, trace *[]string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*trace = append(*trace, tag)
			next.ServeHTTP(w, r)
		})
	}
}

func TestChainOrder(t *testing.T) {
	var trace []string
	handler := Chain(tagging("outer", &trace), tagging("inner", &trace))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			trace = append(trace, "handler")
		}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, trace)
}

func TestWithDoesNotLeakBetweenGroups(t *testing.T) {
	var trace []string
	mux := http.NewServeMux()
	base := NewRouteBuilder(mux).With(tagging("base", &trace))

	// Two groups derived from the same base must not see each other's chain.
	base.With(tagging("a", &trace)).HandleFunc("GET /a", func(w http.ResponseWriter, r *http.Request) {})
	base.With(tagging("b", &trace)).HandleFunc("GET /b", func(w http.ResponseWriter, r *http.Request) {})

	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/b", nil))
	require.Equal(t, []string{"base", "b"}, trace)

	trace = nil
	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/a", nil))
	require.Equal(t, []string{"base", "a"}, trace)
}
