// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/microtune/pkg/autotune/task"
	"github.com/gomlx/microtune/pkg/core/relay"
)

// graphNode is a node of the graph executor format.
type graphNode struct {
	Op     string            `json:"op"`
	Name   string            `json:"name"`
	Attrs  map[string]string `json:"attrs,omitempty"`
	Inputs [][3]int          `json:"inputs"`
}

type graphJSON struct {
	Nodes      []graphNode    `json:"nodes"`
	ArgNodes   []int          `json:"arg_nodes"`
	Heads      [][3]int       `json:"heads"`
	Attrs      map[string]any `json:"attrs"`
	NodeRowPtr []int          `json:"node_row_ptr"`
}

// buildGraphJSON describes the graph of kernels of the artifact in the format of the graph executor:
// one "null" node per parameter (runtime input or bound constant) and one "tvm_op" node per kernel.
func buildGraphJSON(a *Artifact) []byte {
	var g graphJSON
	var dlTypes []string
	var shapesList [][]int
	nodeIDs := make(map[relay.Expr]int)
	kernelOf := make(map[*relay.Call]*Kernel, len(a.Kernels))
	for _, k := range a.Kernels {
		kernelOf[k.Call] = k
	}

	relay.PostOrder(a.Module.Main().Body, func(e relay.Expr) {
		t := tensorOf("", e.CheckedType())
		id := len(g.Nodes)
		nodeIDs[e] = id
		switch node := e.(type) {
		case *relay.Variable:
			g.Nodes = append(g.Nodes, graphNode{Op: "null", Name: node.Name(), Inputs: [][3]int{}})
			g.ArgNodes = append(g.ArgNodes, id)
		case *relay.Call:
			k := kernelOf[node]
			if k == nil {
				exceptions.Panicf("call %s was not lowered", node)
			}
			inputs := make([][3]int, len(node.Args))
			for ii, arg := range node.Args {
				inputs[ii] = [3]int{nodeIDs[arg], 0, 0}
			}
			g.Nodes = append(g.Nodes, graphNode{
				Op:   "tvm_op",
				Name: k.Name,
				Attrs: map[string]string{
					"func_name":    k.Name,
					"num_inputs":   fmt.Sprintf("%d", len(node.Args)),
					"num_outputs":  "1",
					"flatten_data": "0",
				},
				Inputs: inputs,
			})
		}
		dlTypes = append(dlTypes, t.DType)
		shapesList = append(shapesList, t.Dimensions)
	})
	g.Heads = [][3]int{{nodeIDs[a.Module.Main().Body], 0, 0}}
	storageIDs := make([]int, len(g.Nodes))
	g.NodeRowPtr = make([]int, len(g.Nodes)+1)
	for ii := range g.Nodes {
		storageIDs[ii] = ii
		g.NodeRowPtr[ii+1] = ii + 1
	}
	g.Attrs = map[string]any{
		"dltype":     []any{"list_str", dlTypes},
		"shape":      []any{"list_shape", shapesList},
		"storage_id": []any{"list_int", storageIDs},
	}
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		panic(err)
	}
	return data
}

// MetadataVersion is the version of the Metadata format.
const MetadataVersion = 5

// KernelMetadata describes one generated kernel.
type KernelMetadata struct {
	Name           string        `json:"name"`
	Workload       string        `json:"workload"`
	Config         []task.Entity `json:"config"`
	FromHistory    bool          `json:"from_history"`
	WorkspaceBytes int           `json:"workspace_bytes"`
}

// Metadata describes an Artifact, as stored in the "metadata.json" of the model library format.
type Metadata struct {
	Version        int              `json:"version"`
	ModelName      string           `json:"model_name"`
	ExportDatetime string           `json:"export_datetime"`
	Target         string           `json:"target"`
	Runtime        string           `json:"runtime"`
	Executor       string           `json:"executor"`
	OptLevel       int              `json:"opt_level"`
	Options        map[string]any   `json:"options"`
	Inputs         []Tensor         `json:"inputs"`
	Outputs        []Tensor         `json:"outputs"`
	Constants      []Tensor         `json:"constants,omitempty"`
	WorkspaceBytes int              `json:"workspace_bytes"`
	Kernels        []KernelMetadata `json:"kernels"`
}

// ExecutorGraph is the only executor generated.
const ExecutorGraph = "graph"

func buildMetadata(a *Artifact, now time.Time) *Metadata {
	md := &Metadata{
		Version:        MetadataVersion,
		ModelName:      ModelName,
		ExportDatetime: now.UTC().Format("2006-01-02 15:04:05Z"),
		Target:         a.Target.String(),
		Runtime:        a.Runtime.String(),
		Executor:       ExecutorGraph,
		OptLevel:       a.Config.OptLevel,
		Options:        a.Config.Options(),
		Inputs:         a.Inputs(),
		Outputs:        []Tensor{a.Output()},
		WorkspaceBytes: a.WorkspaceBytes(),
	}
	for _, p := range a.Module.Main().Params {
		if _, bound := a.Params[p.Name()]; bound && p.CheckedType() != nil {
			md.Constants = append(md.Constants, tensorOf(p.Name(), p.CheckedType()))
		}
	}
	elementSize := int(a.elementDType().Memory())
	for _, k := range a.Kernels {
		md.Kernels = append(md.Kernels, KernelMetadata{
			Name:           k.Name,
			Workload:       k.Task.WorkloadKey(),
			Config:         k.Config.Entities(),
			FromHistory:    k.FromHistory,
			WorkspaceBytes: k.WorkspaceBytes(elementSize),
		})
	}
	return md
}

// JSON returns the metadata encoded as indented JSON.
func (md *Metadata) JSON() ([]byte, error) {
	return json.MarshalIndent(md, "", "  ")
}
