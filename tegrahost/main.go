// Command tegrahost runs the CMA heap and the PCIe controller against
// simulated hardware.
package main

import "github.com/sarchlab/tegrahost/tegrahost/cmd"

func main() {
	cmd.Execute()
}
