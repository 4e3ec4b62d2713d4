package main

import (
	marketchat "github.com/predix/marketchat/app"
)

func main() {
	app := marketchat.New(nil, nil)
	app.Start()
}
