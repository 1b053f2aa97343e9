package main

import "github.com/anbu0809/strata-migrate/cmd"

func main() {
	cmd.Execute()
}
