// Command echoer is the default entrypoint baked into the test images used
// to exercise remoteprocess end to end without a real workload: it prints
// its arguments, optionally relays stdin to stdout, and exits with a
// caller-chosen code.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

func main() {
	stdin := flag.Bool("stdin", false, "copy stdin to stdout before exiting")
	exitCode := flag.Int("exit-code", 0, "exit code to report")
	flag.Parse()

	if len(flag.Args()) > 0 {
		fmt.Println(strings.Join(flag.Args(), " "))
	}

	if *stdin {
		if _, err := io.Copy(os.Stdout, os.Stdin); err != nil {
			fmt.Fprintln(os.Stderr, "echoer: copying stdin:", err)
			os.Exit(1)
		}
	}

	os.Exit(*exitCode)
}
