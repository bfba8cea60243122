// kdiskmark-helperctl drives kdiskmark-helper from the command line. It is
// meant for operators and for testing a deployment's polkit policy without
// the desktop client.
package main

import "github.com/jonmagon/kdiskmark/helper/internal/cli"

func main() {
	cli.Execute()
}
