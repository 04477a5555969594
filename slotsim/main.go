// Command slotsim runs slot resets and link training on a simulated
// platform.
package main

import "github.com/sarchlab/slotreset/slotsim/cmd"

func main() {
	cmd.Execute()
}
