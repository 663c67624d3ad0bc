package dsup

// SingleNodeCluster is the default ClusterTransport used when a Supervisor is not given one: a
// degenerate single-member cluster, adapted from the localNode half of a full cluster transport
// (see the cluster-node reference implementation's localNode/Node split) reduced to exactly the
// four methods dsup consumes. Node-failure migration is a no-op under it, since no node ever goes
// down — every child simply runs local_first.
type SingleNodeCluster struct {
	nodeID NodeID
}

// NewSingleNodeCluster returns a ClusterTransport with one, permanently-connected local node.
func NewSingleNodeCluster(nodeID NodeID) *SingleNodeCluster {
	return &SingleNodeCluster{nodeID: nodeID}
}

func (c *SingleNodeCluster) LocalNodeID() NodeID { return c.nodeID }

func (c *SingleNodeCluster) ConnectedNodes() []NodeInfo { return nil }

func (c *SingleNodeCluster) OnNodeDown(fn func(nodeID NodeID, reason string)) (unsub func()) {
	return func() {}
}

func (c *SingleNodeCluster) IsConnectedTo(nodeID NodeID) bool { return nodeID == c.nodeID }
