// Shipper is a minimal build-and-release pipeline.
//
// Shipper takes a versioned source tree, produces an isolated, reproducible
// package artifact, verifies it in a fresh environment and publishes it to a
// package registry on tagged releases from the release branch.
package main

import (
	"github.com/rubbs14/shipper/cmd/shipper"
)

func main() {
	shipper.Execute()
}
