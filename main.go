// The main package for the adcapture executable.
package main

import "github.com/pixelproof/adcapture/cmd"

func main() {
	cmd.Execute()
}
