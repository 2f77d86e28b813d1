// Package sprt turns game outcome counters into sequential probability ratio
// test decisions.
//
// The log-likelihood ratio uses the normal approximation to the generalized
// SPRT on the logistic Elo scale:
//
//	LLR = N * (s1 - s0) * (2*mu - s0 - s1) / (2 * var)
//
// where s0 and s1 are the expected scores under elo0 and elo1 and N, mu and
// var are supplied by a Model. The pentanomial model treats each game pair
// as one sample, which accounts for the correlation between the two games
// played from the same opening.
package sprt
