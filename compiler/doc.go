/*

Process of optimization

Go Source ->
	go/ssa, lower (gossa) ->
Program Graph (ir) ->
	normalize, cfg ->
Control Flow View (cfg) ->
	effects closure (df), client transfer (fold) ->
Effect Logs (effect) ->
	apply effects ->
Program Graph (ir)

Graph Description (yaml) ->
	load (format) ->
Program Graph (ir)

*/
package compiler
