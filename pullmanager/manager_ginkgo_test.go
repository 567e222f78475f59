package pullmanager

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ray-project/raylet-go/ids"
)

func TestPullManagerSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "PullManager Suite")
}

func ginkgoNode(n byte) ids.NodeId {
	var id ids.NodeId
	id[0] = n
	return id
}

func ginkgoObj(n byte) ids.ObjectId {
	var id ids.ObjectId
	id[0] = n
	return id
}

var _ = Describe("Manager", func() {
	var (
		m          *Manager
		restored   []ids.ObjectId
		peerPulled []ids.ObjectId
	)

	BeforeEach(func() {
		restored = nil
		peerPulled = nil
		m = New(1<<20,
			func(obj ids.ObjectId, spilledURL string) bool {
				restored = append(restored, obj)
				return spilledURL != ""
			},
			func(_ context.Context, obj ids.ObjectId, _ ids.NodeId) error {
				peerPulled = append(peerPulled, obj)
				return nil
			},
		)
	})

	Describe("Pull", func() {
		It("reports every object as needing lookup the first time", func() {
			_, needsLookup := m.Pull([]ids.ObjectId{ginkgoObj(1), ginkgoObj(2)})
			Expect(needsLookup).To(ConsistOf(ginkgoObj(1), ginkgoObj(2)))
		})

		It("does not re-request an object already tracked by another bundle", func() {
			m.Pull([]ids.ObjectId{ginkgoObj(1)})
			_, needsLookup := m.Pull([]ids.ObjectId{ginkgoObj(1), ginkgoObj(3)})
			Expect(needsLookup).To(ConsistOf(ginkgoObj(3)))
		})
	})

	Describe("admission budget", func() {
		It("admits a bundle that fits and excludes one that doesn't", func() {
			small := New(100, nil, nil)
			small.Pull([]ids.ObjectId{ginkgoObj(1)})
			small.OnLocationChange(ginkgoObj(1), map[ids.NodeId]struct{}{ginkgoNode(1): {}}, "", 60, false)

			small.Pull([]ids.ObjectId{ginkgoObj(2)})
			small.OnLocationChange(ginkgoObj(2), map[ids.NodeId]struct{}{ginkgoNode(1): {}}, "", 60, false)

			Expect(small.ActiveObjects()).To(ConsistOf(ginkgoObj(1)))
			Expect(small.ActiveBytes()).To(BeEquivalentTo(60))
		})

		It("drops an object from the active set once it is known to be local", func() {
			small := New(10, nil, nil)
			small.Pull([]ids.ObjectId{ginkgoObj(1)})
			small.OnLocationChange(ginkgoObj(1), nil, "", 1000, true)
			Expect(small.ActiveObjects()).To(BeEmpty())
			Expect(small.ActiveBytes()).To(BeZero())
		})
	})

	Describe("CancelPull", func() {
		It("only releases objects no longer referenced by any bundle", func() {
			m.Pull([]ids.ObjectId{ginkgoObj(1)})
			req2, _ := m.Pull([]ids.ObjectId{ginkgoObj(1), ginkgoObj(2)})

			released := m.CancelPull(req2)
			Expect(released).To(ConsistOf(ginkgoObj(2)))
		})
	})

	Describe("Tick", func() {
		It("prefers restore-from-spill over a peer pull when a spilled url is known", func() {
			m.Pull([]ids.ObjectId{ginkgoObj(4)})
			m.OnLocationChange(ginkgoObj(4), map[ids.NodeId]struct{}{ginkgoNode(1): {}}, "s3://bucket/obj4", 10, false)

			Expect(m.Tick(context.Background())).To(Succeed())
			Expect(restored).To(ConsistOf(ginkgoObj(4)))
			Expect(peerPulled).To(BeEmpty())
		})

		It("falls back to a peer pull when there is no spilled url", func() {
			m.Pull([]ids.ObjectId{ginkgoObj(5)})
			m.OnLocationChange(ginkgoObj(5), map[ids.NodeId]struct{}{ginkgoNode(2): {}}, "", 10, false)

			Expect(m.Tick(context.Background())).To(Succeed())
			Expect(peerPulled).To(ConsistOf(ginkgoObj(5)))
		})
	})
})
