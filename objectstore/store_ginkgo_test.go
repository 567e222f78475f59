package objectstore

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ray-project/raylet-go/cmn"
	"github.com/ray-project/raylet-go/ids"
)

func TestObjectStoreSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ObjectStore Suite")
}

func ginkgoObjId(n byte) ids.ObjectId {
	var o ids.ObjectId
	o[0] = n
	return o
}

var _ = Describe("Store", func() {
	var store *Store

	BeforeEach(func() {
		store = New(cmn.GCO.Get(), 16*1024*1024)
	})

	Describe("Create", func() {
		It("rejects a second Create for the same id", func() {
			id := ginkgoObjId(1)
			_, err := store.Create(id, 8, 0, true, "client-a")
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Create(id, 8, 0, true, "client-b")
			Expect(err).To(HaveOccurred())
			Expect(cmn.IsErrKind(err, cmn.KindObjectExists)).To(BeTrue())
		})
	})

	Describe("Seal", func() {
		It("rejects sealing an unknown id", func() {
			err := store.Seal(ginkgoObjId(2))
			Expect(err).To(HaveOccurred())
		})

		It("publishes an ObjectInfo notification exactly once", func() {
			id := ginkgoObjId(3)
			var notified []ObjectInfo
			store.Subscribe(func(info ObjectInfo) { notified = append(notified, info) })

			buf, err := store.Create(id, 4, 0, true, "c")
			Expect(err).NotTo(HaveOccurred())
			copy(buf.Data, []byte("ray!"))
			Expect(store.Seal(id)).To(Succeed())

			Expect(notified).To(HaveLen(1))
			Expect(notified[0].Id).To(Equal(id))
			Expect(notified[0].DataSize).To(BeEquivalentTo(4))
		})
	})

	Describe("Get/Release reference counting", func() {
		var id ids.ObjectId

		BeforeEach(func() {
			id = ginkgoObjId(4)
			buf, err := store.Create(id, 5, 0, true, "c")
			Expect(err).NotTo(HaveOccurred())
			copy(buf.Data, []byte("hello"))
			Expect(store.Seal(id)).To(Succeed())
		})

		It("keeps a referenced object out of Evict", func() {
			_, err := store.Get([]ids.ObjectId{id}, time.Second)
			Expect(err).NotTo(HaveOccurred())

			Expect(store.Evict(5)).To(BeZero())

			store.Release(id)
			Expect(store.Evict(5)).To(BeNumerically(">", 0))
		})

		It("returns nil entries for ids that never appear", func() {
			out, err := store.Get([]ids.ObjectId{ginkgoObjId(99)}, 5*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveLen(1))
			Expect(out[0]).To(BeNil())
		})
	})

	Describe("spill callback wiring", func() {
		It("is invoked when eviction alone cannot satisfy the request", func() {
			const cap = 8 * 1024 * 1024
			bigStore := New(cmn.GCO.Get(), cap)
			var spilled []int64
			bigStore.SetSpillCallback(func(candidates []*ObjectEntry, numBytes int64) (int64, error) {
				spilled = append(spilled, numBytes)
				return numBytes, nil
			})

			_, err := bigStore.Create(ginkgoObjId(5), 2*cap, 0, true, "c")
			Expect(err).NotTo(HaveOccurred())
			Expect(spilled).NotTo(BeEmpty())
		})
	})
})
