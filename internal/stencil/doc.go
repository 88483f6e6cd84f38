// Package stencil runs a 1-D heat diffusion on top of the distributed array.
//
// The mesh of Cells cells is split into contiguous blocks, one per rank
// (see Partition). Each rank owns its block and holds the cell on either
// side of it as a ghost. One explicit step updates every owned cell with
//
//	u'[i] = u[i] + alpha * (u[i-1] - 2u[i] + u[i+1])
//
// taking u = 0 beyond both ends of the mesh. A Step synchronizes the ghosts
// first, so every rank reads its neighbours' values from the previous step.
// The field starts from half a sine wave, sin(pi*x/width).
//
// Collect gathers the field on rank 0 through the continuous index and
// Serial computes the same run on one process, which is how the tests and
// the halo-node binary check a distributed run.
package stencil
