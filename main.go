package main

import "github.com/DominicWuest/tagscepter/cmd"

func main() {
	cmd.Execute()
}
