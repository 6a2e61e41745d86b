// Package datapipe provides composable, checkpointable data-loading
// pipelines for machine-learning training and evaluation.
//
// A pipeline is a chain of operators, each a lazy pull-based source. A
// fluent Builder records a deferred factory for the chain; calling
// AndReturn produces a Pipeline handle whose per-run state is created on
// first pull and can be discarded and recreated by Reset. Every operator
// can write its resumption state to a Tape and restore from one, so a
// pipeline can be checkpointed and resumed across process restarts.
//
// Example:
//
//	p := datapipe.ReadList([]int{1, 2, 3, 4, 5}).
//		Map(func(x int) (int, error) { return x * x, nil }).
//		Filter(func(x int) bool { return x%2 == 1 }).
//		AndReturn()
//
//	for {
//		v, ok, err := p.Next(ctx)
//		if err != nil {
//			break
//		}
//		if !ok {
//			break
//		}
//		fmt.Println(v)
//	}
package datapipe

// Version identifies the module's data model / checkpoint wire format.
// Bump it whenever the Tape frame layout changes in a way that makes
// previously recorded checkpoints unreadable.
const Version = "v0.1.0"
