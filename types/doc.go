// Package types provides core types used across the edwflow engine.
// This package has ZERO dependencies on other edwflow packages to avoid circular imports.
// All other packages should import types from here.
package types
