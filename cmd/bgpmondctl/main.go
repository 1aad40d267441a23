// bgpmondctl -- CLI client for the bgpmond status API.
package main

import "github.com/NLNOG/ring-bgpmon-core-sub000/cmd/bgpmondctl/commands"

func main() {
	commands.Execute()
}
