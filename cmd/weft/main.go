// weft is a terminal chat client. It keeps an optimistic local
// transcript per session, streams assistant turns from the server, and
// converges on the authoritative record pushed over the feed.
package main

func main() {
	Execute()
}
