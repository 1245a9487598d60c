// Package flow implements the element, pipeline and flow data object model.
//
// A Pipeline is built once from a chain of stages. Each stage runs one
// Element, or a group of elements concurrently. Every request gets its own
// FlowData from Pipeline.CreateFlowData: callers add evidence, call Process
// and read the ElementData each element stored. Element failures are recorded
// on the flow data rather than aborting the run unless Config asks for them
// to surface.
//
// The pipeline also keeps a property database indexed by property metadata,
// which backs FlowData.GetWhere.
package flow
