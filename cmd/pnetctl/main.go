// pnetctl -- CLI client for the overlay network daemons.
package main

import "github.com/crimsonvista/playground/cmd/pnetctl/commands"

func main() {
	commands.Execute()
}
