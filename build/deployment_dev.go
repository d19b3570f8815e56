//go:build dev
// +build dev

package build

// Deployment specifies a development build.
const Deployment = Development
