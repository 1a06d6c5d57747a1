package main

import "github.com/lloydmeta/echo/app/cmd"

func main() {
	cmd.Execute()
}
