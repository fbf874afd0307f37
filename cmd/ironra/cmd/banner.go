package cmd

import (
	"fmt"
)

const banner = `
  _____                 ____      _    
 |_   _|               |  _ \    / \   
   | |  _ __ ___  _ __ | |_) |  / _ \  
   | | | '__/ _ \| '_ \|  _ <  / ___ \ 
  _| |_| | | (_) | | | | |_) |/ /   \ \
 |_____|_|  \___/|_| |_|_| \_/_/     \_\
                                       
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Registration Authority - Version %s\x1b[0m\n\n", Version)
}
