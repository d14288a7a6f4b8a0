// Command roomchat runs the room chat server.
package main

func main() {
	Execute()
}
