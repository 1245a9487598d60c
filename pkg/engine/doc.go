// Package engine provides Engine, the element type for work that is worth
// caching or that reads data files which change over time.
//
// An Engine embeds flow.BaseElement and adds three things: a result cache
// keyed by the evidence the engine accepts, an optional restricted property
// list enforced by the aspect data it produces, and data files kept current
// by a datafile.UpdateService shared by every engine in a pipeline.
package engine
