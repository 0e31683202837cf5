//go:build !tinygo

package hal

import "net"

// udpNetwork emulates a shared radio channel with a UDP multicast group.
// Every node process on the host joins the same group, and each hears its
// own packets too.
type udpNetwork struct {
	rx *net.UDPConn
	tx *net.UDPConn
}

func newUDPNetwork(addr string) (*udpNetwork, error) {
	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	rx, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, err
	}
	tx, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		rx.Close()
		return nil, err
	}
	return &udpNetwork{rx: rx, tx: tx}, nil
}

func (n *udpNetwork) Send(pkt []byte) error {
	_, err := n.tx.Write(pkt)
	return err
}

func (n *udpNetwork) Recv(pkt []byte) (int, error) {
	c, _, err := n.rx.ReadFromUDP(pkt)
	return c, err
}

func (n *udpNetwork) Close() error {
	err := n.rx.Close()
	if terr := n.tx.Close(); err == nil {
		err = terr
	}
	return err
}
