// Package postbox delivers letters between nodes over plain TCP.
//
// A Socket owns a set of channels, one per remote binding, plus any
// listeners created with Bind. Letters given to Send are dispatched to the
// next available channel in round-robin order, or to every channel when the
// letter carries the Multicast option. Every channel performs a node
// identity handshake before it is used and keeps itself alive with
// heartbeats; outbound channels reconnect on their own.
//
// Delivery outcomes are reported through an EventListener:
//
//	sock, err := postbox.NewSocket(
//	    postbox.WithEventListener(postbox.EventFuncs{
//	        Received: func(b postbox.Binding, l *postbox.Letter) {
//	            fmt.Printf("%s: %q\n", b, l.Parts[0])
//	        },
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//	defer sock.Close()
//
//	if err := sock.Connect("10.0.0.7", 7000); err != nil {
//	    return err
//	}
//	letter := postbox.NewLetter([]byte("hello"))
//	letter.Options = postbox.OptionAck | postbox.OptionRequeue
//	return sock.Send(letter)
//
// A letter that fails on a broken connection is requeued ahead of newer
// traffic when it carries the Requeue option, and otherwise discarded.
package postbox
