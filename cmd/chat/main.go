package main

import (
	"log"

	"github.com/j0rgev0/chat-socket/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
