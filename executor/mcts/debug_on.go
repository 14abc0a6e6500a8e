//go:build tiedebug

package mcts

const debugInvariants = true
