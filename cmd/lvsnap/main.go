// Command lvsnap runs backup hooks against a temporary LVM snapshot.
package main

import (
	"os"

	"github.com/jvs-project/lvsnap/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
