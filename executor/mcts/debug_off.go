//go:build !tiedebug

package mcts

const debugInvariants = false
