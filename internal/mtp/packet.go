package mtp

// DeliverablePacket is the interface a client connection requires from
// whatever queued a packet for outbound delivery, grounded on the
// original implementation's DeliverableMessage/DeliverablePacket pair: a
// sink that wraps a pending-delivery record and reports final
// success/failure back to whoever queued the packet. The outbound
// dispatcher only reports failures; it does not requeue packets itself.
type DeliverablePacket interface {
	// Contents returns the PacketLen-byte body to send. Called when the
	// client connection builds the packet's data frame, and again when
	// it checks the digest of the packet's ack.
	Contents() []byte
	// Succeeded is called once the peer has acknowledged receipt.
	Succeeded()
	// Failed is called if delivery could not complete. retriable
	// indicates whether a later delivery attempt may succeed, as
	// opposed to a permanent rejection by the peer.
	Failed(retriable bool)
}
