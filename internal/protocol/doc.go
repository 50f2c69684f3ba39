// Package protocol defines the message vocabulary exchanged between agents:
// the envelope that carries addressing and correlation metadata, the closed
// set of message types, and one typed payload per message type. Anything a
// connection or mailbox transports is an encoded envelope from this package.
package protocol
