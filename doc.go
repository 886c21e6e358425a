/*
Wampio is a WAMP v2 session engine: routers and clients speaking the Web
Application Messaging Protocol over RawSocket (TCP, TLS, unix sockets, pipes)
or WebSocket, with JSON, MessagePack or CBOR serialization.

A listener accepts raw connections and sniffs their first bytes to tell a
RawSocket handshake from an HTTP upgrade request, then hands the connection to
the matching framer and a passive Session served by a Router.


Router example


Here is a minimal but fully functional router with one built-in procedure:

	package main
	import (
		"github.com/wampio/wampio"
	)
	type Greeting struct {
		Text string
	}
	func main() {
		// This function handles calls of "com.example.greet".
		wampio.Handle("com.example.greet", func(name string) (*Greeting, error) {
			// It can return any Go type. Here we return a structure and no error.
			return &Greeting{Text: "hello " + name}, nil
		})
		k := wampio.NewKernel(wampio.DefaultConfig())
		defer k.Close()
		panic(wampio.Serve(k, "tcp", "localhost:55555", wampio.ListenerOptions{}))
	}

And a client calling it:

	k := wampio.NewKernel(wampio.DefaultConfig())
	s, err := wampio.Connect(ctx, k, "tcp", "localhost:55555", wampio.ClientOptions{
		Credentials: wampio.ClientCredentials{Realm: "default"},
	})
	if err != nil {
		panic(err)
	}
	s.Call("com.example.greet", nil, wampio.Args{List: []any{"Bob"}}, func(r wampio.CallResult) {
		fmt.Println(r.Args.List, r.Err)
	})


Execution model


Each connection has a read goroutine that only turns bytes into messages.
Every message is then processed on the Kernel's processing context, a single
serial queue. State transitions, reply correlation and all callbacks (state,
call results, events, invocations) run there, one at a time and in the order
the bytes arrived. Callbacks must not block; hand long work to a goroutine
and reply from it, which every reply function allows.


API layers


Wampio can be thought of as being composed by four layers:

	4. Router, Handlers and Connect: dealer, broker and client API
	3. Session: handshake, authentication, request correlation
	2. Framers: RawSocket and WebSocket, chosen by the PreSession sniffer
	1. IOHandle: ownership of a byte stream and its read goroutine

You can make use of only some parts. For example you could run sessions over
net.Pipe without a listener, or put a Router behind an existing net/http
server through Listener.ServeHTTP.
*/
package wampio
