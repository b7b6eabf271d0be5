// Command ormctl manages the schema of the library entities and runs the
// retain-order demo against a configured database.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
