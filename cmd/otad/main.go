// Command otad runs the OTA orchestration service and talks to it.
package main

import "github.com/Peterbackson-desing/dashboard/cmd/otad/cmd"

func main() {
	cmd.Execute()
}
