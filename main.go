package main

import "github.com/ValentinKolb/aeroloop/cmd"

func main() {
	cmd.Execute()
}
