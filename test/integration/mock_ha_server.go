// Package integration runs whole accounts against a mock Home Assistant
// server.
package integration

import (
	"alexamedia/pkg/testutil"
)

// Type aliases for the shared test helpers
type MockHAServer = testutil.MockHAServer
type ServiceCall = testutil.ServiceCall
type FiredEvent = testutil.FiredEvent

// NewMockHAServer creates a new mock HA server
var NewMockHAServer = testutil.NewMockHAServer

// Helper function aliases
var FilterServiceCalls = testutil.FilterServiceCalls
var FindServiceCallWithData = testutil.FindServiceCallWithData
var FilterFiredEvents = testutil.FilterFiredEvents
