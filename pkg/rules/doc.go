// Package rules provides an element that evaluates Open Policy Agent Rego
// policies over request evidence.
//
// Modules are parsed as Rego v1 and compiled once into a prepared query. The
// decision object returned by the entrypoint becomes the element's data, and
// decisions are cached by evidence through the engine cache.
package rules
