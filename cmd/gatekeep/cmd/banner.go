package cmd

import (
	"fmt"
	"io"
)

const banner = `
   ____       _       _
  / ___| __ _| |_ ___| | _____  ___ _ __
 | |  _ / _` + "`" + ` | __/ _ \ |/ / _ \/ _ \ '_ \
 | |_| | (_| | ||  __/   <  __/  __/ |_) |
  \____|\__,_|\__\___|_|\_\___|\___| .__/
                                   |_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Signed Request Gateway - Version %s\x1b[0m\n\n", Version)
}
