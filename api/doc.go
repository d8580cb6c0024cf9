// File: api/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package api defines the contracts shared between the transport core and
// its collaborators: protocol adaptors, message sinks, buffer managers,
// logging, and the sentinel errors of each fault class.
package api
