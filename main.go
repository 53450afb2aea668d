// The main package for the vitalcrawl executable.
package main

import (
	"github.com/JakeFAU/vitalrecords-crawler/cmd"
)

func main() {
	cmd.Execute()
}
