package main

import "github.com/nerdcrawler/crawler/cmd"

func main() {
	cmd.Execute()
}
