// Package readiness holds the two gates an upgrade waits on before new
// content is swapped in: the host pipeline reaching a render-ready state, and
// every resource of the just-loaded content (textures, typically) finishing
// its own load.
package readiness
