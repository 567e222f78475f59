package clustertask

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ray-project/raylet-go/clusterscheduler"
	"github.com/ray-project/raylet-go/ids"
	"github.com/ray-project/raylet-go/resources"
	"github.com/ray-project/raylet-go/workerpool"
)

var errForwardRejected = errors.New("forward rejected")

func TestClusterTaskSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ClusterTaskManager Suite")
}

func ctTaskId(n byte) ids.TaskId {
	var id ids.TaskId
	id[0] = n
	return id
}

func ctNodeId(n byte) ids.NodeId {
	var id ids.NodeId
	id[0] = n
	return id
}

// fixedPolicy always returns `to` when present in nodes, else no node.
type fixedPolicy struct{ to ids.NodeId }

func (f fixedPolicy) Schedule(spec clusterscheduler.Spec, nodes []clusterscheduler.NodeView, _ clusterscheduler.LocalityFn, _ *rand.Rand) (ids.NodeId, bool) {
	for _, n := range nodes {
		if n.NodeId == f.to {
			return f.to, true
		}
	}
	return ids.NodeId{}, false
}

var selfNode = ctNodeId(1)

func ctNodes() []clusterscheduler.NodeView {
	return []clusterscheduler.NodeView{{NodeId: selfNode}}
}

var _ = Describe("Manager", func() {
	var (
		dispatched []ids.TaskId
		forwarded  []ids.NodeId
		forwardErr error
	)

	newManager := func(policy clusterscheduler.SchedulingPolicy) *Manager {
		dispatched = nil
		forwarded = nil
		forwardErr = nil
		sched := clusterscheduler.New(policy)
		return New(selfNode, sched, nil,
			func(t *Task, node ids.NodeId) error {
				forwarded = append(forwarded, node)
				return forwardErr
			},
			nil,
			func(t *Task, w *workerpool.Record) {
				dispatched = append(dispatched, t.TaskId)
			},
		)
	}

	Describe("SubmitTask", func() {
		It("ignores a second submission of the same task id", func() {
			m := newManager(fixedPolicy{to: selfNode})
			t1 := &Task{TaskId: ctTaskId(1), Class: "cls"}
			m.SubmitTask(t1)
			m.SubmitTask(&Task{TaskId: ctTaskId(1), Class: "cls"})
			Expect(m.tasksToSchedule["cls"]).To(HaveLen(1))
		})
	})

	Describe("SchedulePendingTasks", func() {
		It("moves a task chosen for the local node straight to tasks_to_dispatch when it has no missing args", func() {
			m := newManager(fixedPolicy{to: selfNode})
			m.SubmitTask(&Task{TaskId: ctTaskId(1), Class: "cls"})

			m.SchedulePendingTasks(ctNodes())

			Expect(m.tasksToSchedule).To(BeEmpty())
			Expect(m.waitingTasks).To(BeEmpty())
			Expect(m.tasksToDispatch["cls"]).To(HaveLen(1))
		})

		It("parks a task with missing args in waiting_tasks instead of dispatching it", func() {
			m := newManager(fixedPolicy{to: selfNode})
			m.SubmitTask(&Task{TaskId: ctTaskId(1), Class: "cls", MissingArgs: []ids.ObjectId{{9}}})

			m.SchedulePendingTasks(ctNodes())

			Expect(m.tasksToDispatch).To(BeEmpty())
			Expect(m.waitingTasks).To(HaveKey(ctTaskId(1)))
		})

		It("forwards a task chosen for a remote node and drops it from byId on success", func() {
			remote := ctNodeId(2)
			m := newManager(fixedPolicy{to: remote})
			m.SubmitTask(&Task{TaskId: ctTaskId(1), Class: "cls"})

			m.SchedulePendingTasks([]clusterscheduler.NodeView{{NodeId: remote}})

			Expect(forwarded).To(ConsistOf(remote))
			Expect(m.byId).NotTo(HaveKey(ctTaskId(1)))
		})

		It("leaves a task in tasks_to_schedule when no node is feasible", func() {
			m := newManager(fixedPolicy{to: ctNodeId(9)}) // never matches ctNodes()
			m.SubmitTask(&Task{TaskId: ctTaskId(1), Class: "cls"})

			m.SchedulePendingTasks(ctNodes())

			Expect(m.tasksToSchedule["cls"]).To(HaveLen(1))
		})

		It("does not re-offer a task whose spillback retry deadline has not elapsed", func() {
			m := newManager(fixedPolicy{to: selfNode})
			future := &Task{TaskId: ctTaskId(1), Class: "cls", nextRetryAt: time.Now().Add(time.Hour)}
			m.mu.Lock()
			m.tasksToSchedule["cls"] = []*Task{future}
			m.byId[future.TaskId] = future
			m.mu.Unlock()

			m.SchedulePendingTasks(ctNodes())

			Expect(m.tasksToSchedule["cls"]).To(ConsistOf(future))
			Expect(m.tasksToDispatch).To(BeEmpty())
		})
	})

	Describe("spillback", func() {
		It("applies exponential backoff that grows with repeated spillbacks", func() {
			m := newManager(fixedPolicy{to: selfNode})
			t1 := &Task{TaskId: ctTaskId(1), Class: "cls"}

			before := time.Now()
			m.spillback(t1, ctNodeId(2))
			firstDelay := t1.nextRetryAt.Sub(before)

			before = time.Now()
			m.spillback(t1, ctNodeId(2))
			secondDelay := t1.nextRetryAt.Sub(before)

			Expect(t1.numSpillbacks).To(Equal(2))
			Expect(secondDelay).To(BeNumerically(">", firstDelay))
		})

		It("schedules a retry via the forward-rejection timeout instead of backoff when forward fails", func() {
			m := newManager(fixedPolicy{to: selfNode})
			forwardErr = errForwardRejected
			t1 := &Task{TaskId: ctTaskId(1), Class: "cls"}

			m.spillback(t1, ctNodeId(2))

			Expect(m.tasksToSchedule["cls"]).To(ConsistOf(t1))
			Expect(t1.nextRetryAt.After(time.Now())).To(BeTrue())
		})
	})

	Describe("TasksUnblocked", func() {
		It("promotes a waiting task to tasks_to_dispatch once its missing args are all ready", func() {
			m := newManager(fixedPolicy{to: selfNode})
			t1 := &Task{TaskId: ctTaskId(1), Class: "cls", MissingArgs: []ids.ObjectId{{9}}}
			m.mu.Lock()
			m.waitingTasks[t1.TaskId] = t1
			m.byId[t1.TaskId] = t1
			m.mu.Unlock()

			m.TasksUnblocked([]ids.ObjectId{{9}})

			Expect(m.waitingTasks).To(BeEmpty())
			Expect(m.tasksToDispatch["cls"]).To(ConsistOf(t1))
		})

		It("leaves a task waiting when only some of its args are ready", func() {
			m := newManager(fixedPolicy{to: selfNode})
			t1 := &Task{TaskId: ctTaskId(1), Class: "cls", MissingArgs: []ids.ObjectId{{9}, {10}}}
			m.mu.Lock()
			m.waitingTasks[t1.TaskId] = t1
			m.byId[t1.TaskId] = t1
			m.mu.Unlock()

			m.TasksUnblocked([]ids.ObjectId{{9}})

			Expect(m.waitingTasks).To(HaveKey(t1.TaskId))
			Expect(t1.MissingArgs).To(ConsistOf(ids.ObjectId{10}))
		})
	})

	Describe("DispatchScheduledTasksToWorkers", func() {
		var (
			pool *workerpool.Pool
			node *resources.Node
		)

		BeforeEach(func() {
			pool = workerpool.New(nil, 0, nil, nil, nil, nil)
			node = resources.NewNode(selfNode, resources.Vector{"CPU": resources.FromFloat(4)})
		})

		It("dispatches round-robin across scheduling classes", func() {
			m := newManager(fixedPolicy{to: selfNode})
			a := &Task{TaskId: ctTaskId(1), Class: "a"}
			b := &Task{TaskId: ctTaskId(2), Class: "b"}
			m.mu.Lock()
			m.tasksToDispatch["a"] = []*Task{a}
			m.tasksToDispatch["b"] = []*Task{b}
			m.refreshRoundRobinLocked()
			m.byId[a.TaskId] = a
			m.byId[b.TaskId] = b
			m.mu.Unlock()

			pool.RegisterWorker(ids.WorkerId{1}, workerpool.LangPython)
			pool.RegisterWorker(ids.WorkerId{2}, workerpool.LangPython)

			m.DispatchScheduledTasksToWorkers(pool, node)

			Expect(dispatched).To(ConsistOf(ctTaskId(1), ctTaskId(2)))
		})

		It("pushes a task back to the head of its queue when no idle worker is available", func() {
			m := newManager(fixedPolicy{to: selfNode})
			a := &Task{TaskId: ctTaskId(1), Class: "a"}
			m.mu.Lock()
			m.tasksToDispatch["a"] = []*Task{a}
			m.refreshRoundRobinLocked()
			m.byId[a.TaskId] = a
			m.mu.Unlock()

			m.DispatchScheduledTasksToWorkers(pool, node)

			Expect(dispatched).To(BeEmpty())
			Expect(m.tasksToDispatch["a"]).To(ConsistOf(a))
		})

		It("pushes a task back when the node cannot acquire its required resources", func() {
			m := newManager(fixedPolicy{to: selfNode})
			a := &Task{
				TaskId: ctTaskId(1), Class: "a",
				Spec: clusterscheduler.Spec{RequiredResources: resources.Vector{"CPU": resources.FromFloat(100)}},
			}
			m.mu.Lock()
			m.tasksToDispatch["a"] = []*Task{a}
			m.refreshRoundRobinLocked()
			m.byId[a.TaskId] = a
			m.mu.Unlock()

			pool.RegisterWorker(ids.WorkerId{1}, workerpool.LangPython)

			m.DispatchScheduledTasksToWorkers(pool, node)

			Expect(dispatched).To(BeEmpty())
			Expect(m.tasksToDispatch["a"]).To(ConsistOf(a))
		})
	})

	Describe("CancelTask", func() {
		It("removes a task from whichever queue holds it", func() {
			m := newManager(fixedPolicy{to: selfNode})
			m.SubmitTask(&Task{TaskId: ctTaskId(1), Class: "cls"})

			Expect(m.CancelTask(ctTaskId(1))).To(BeTrue())
			Expect(m.tasksToSchedule).To(BeEmpty())
			Expect(m.byId).NotTo(HaveKey(ctTaskId(1)))
		})

		It("reports false for an id it does not know about", func() {
			m := newManager(fixedPolicy{to: selfNode})
			Expect(m.CancelTask(ctTaskId(99))).To(BeFalse())
		})
	})
})
